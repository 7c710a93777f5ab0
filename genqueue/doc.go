// Package genqueue implements a persisted queue of AI content-generation jobs.
//
// A batch request ("generate N questions for discipline/topic/board/difficulty")
// becomes one JobItem per fragment in a SQL table. A Worker advances one owner's
// queue one unit at a time, oldest item first, counting each Executor attempt as
// done or errors until done+errors reaches the item's target. Cancellation flips
// the stored status; the worker notices on its next poll.
//
// Quick start:
//  1. Open a *sql.DB (sqlite or pgx) and call Migrate.
//  2. Create a SQLStore, a Gateway for request handling and a Worker with your Executor.
//  3. Start runs with a LocalRunner, or with Client + Processor over asynq/Redis.
//  4. Optionally run a Sweeper to re-kick owners whose runs were interrupted.
package genqueue
