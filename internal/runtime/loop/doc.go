// Package loop provides the single-threaded event loop every notification
// handler runs on.
//
// Transport callbacks, timers, control API actions and scheduled jobs are all
// submitted as turns. A turn runs to completion before the next one starts, so
// the components driven by the loop (session, ledger, alert queues) keep no
// locks of their own.
//
// Timers created through a Clock are loop-aware: when one fires, its callback
// is submitted as a turn, and Stop called from a turn guarantees the callback
// never runs afterwards, even if the underlying timer had already fired.
package loop
