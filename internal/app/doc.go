// Package app wires the license validation service together and manages its
// lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, an optional YAML file and environment
//	2. Initialize logging and OpenTelemetry
//	3. Open the key directory and state backends, apply the seed file
//	4. Build the audit recorder with its sinks and the stream hub
//	5. Build the validation pipeline and the challenge service
//	6. Set up HTTP handlers and middleware
//
// # Usage
//
//	a, err := app.NewApplication(ctx)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// # Graceful Shutdown
//
// Run stops on SIGINT or SIGTERM. Shutdown drains in-flight requests, writes
// queued audit entries, then closes backend connections and flushes telemetry.
//
// # Error Handling
//
// All initialization errors are returned to the caller. The package never calls
// os.Exit, leaving the exit code to main.
package app
