/*
Package streamclient implements a pull-based consumer client for partitioned
stream services that hand out opaque, expiring read cursors (Kinesis-style
rather than Kafka-style).

The consumer loop lives in the fetcher package: call SendFetchRequests to
issue one bounded async read per fetchable partition, then FetchRecords with
a time budget to collect whatever completed. Cursor resolution and group
membership are behind the Coordinator interface; which partitions are
assigned, paused, or missing positions is behind SubscriptionState (the
subscriptions package has a ready implementation). The pgstream package is a
Postgres-backed Transport, useful for local development and tests. See
cmd/consumer for how the pieces wire together.
*/
package streamclient
