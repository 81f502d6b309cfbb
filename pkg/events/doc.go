/*
Package events provides an in-process broker for committed task events.

The broker is a convenience layer over the durable event log in the
database: the queue publishes each event after its transaction commits, and
subscribers (the metrics collector, tests) receive it on a buffered channel.
Slow subscribers are skipped rather than blocking the queue.
*/
package events
