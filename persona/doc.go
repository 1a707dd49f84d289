/*
Package persona runs persona workers and the client side of the
request/completion protocol.

Requests travel on a shared request stream and completions on a shared event
stream. Consumer runs one poll loop per persona, each reading through its own
consumer group "{prefix}:{persona}". A loop acknowledges every message it
reads: requests addressed to another persona are skipped, handler failures
become "done" completions carrying a failure payload, and only then is the
message acked. Retries belong to RetryCoordinator, which appends a request
with a fresh correlation id per attempt and waits for the matching
completion with a linearly growing timeout. Drainer removes a workflow's
outstanding requests when the workflow aborts.
*/
package persona
