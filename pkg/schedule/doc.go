// Package schedule provides schedules and the scheduler that fires the
// orchestrator's periodic tasks.
//
// This package includes:
//   - Schedule interface
//   - Every() for fixed-interval schedules
//   - Daily() and Weekdays() for a time of day
//   - Weekly() for a specific day and time
//   - Cron() and ParseCron() for cron expressions
//   - Scheduler, which runs registered tasks (reaper, watchdog, daily
//     collection, drift sweep) when their schedules come due
package schedule
