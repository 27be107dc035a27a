// Package notifier delivers operator-facing messages: ping reminders and
// scheduler notices (failed arm, failed save).
//
// Messages go through an async pipeline (queue, worker pool, rate limit,
// retry with backoff, short in-memory dedup) and fan out to every
// configured Sink (Telegram chat, Slack webhook).
package notifier
