package governor

import "errors"

// ErrDuplicateRun reports a scheduled-run submission refused because the
// task's backlog is full. Nothing was enqueued and exactly one alert went out
// through the notification channel. Callers must treat it as "did not run",
// not as a failure of the work unit.
var ErrDuplicateRun = errors.New("scheduled run refused: task backlog full")
