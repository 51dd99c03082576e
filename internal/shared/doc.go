// Package shared holds helpers used across packages that belong to no single
// layer.
//
// The testutil subpackage provides a capturing slog handler and signed request
// builders for tests:
//
//	logger, logs := testutil.NewTestLogger(t)
//	janitor := storage.NewJanitor(store, time.Minute, 0, logger)
//	janitor.Sweep(ctx)
//	testutil.AssertLogContains(t, logs, slog.LevelInfo, "purged expired nonces")
package shared
