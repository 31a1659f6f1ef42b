// Package bootstrap wires the engine, its stores and transports from configuration
// and owns their lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Start(ctx); err != nil {
//	    app.Shutdown()
//	    log.Fatal(err)
//	}
//	app.WaitForShutdown()
//	app.Shutdown()
package bootstrap
