// Package instance composes the port allocator, session store, session
// servers, discovery publisher and agent launcher into session-level
// operations.
//
// The Manager is the single entry point used by the CLI and the control
// socket. It owns one websocket server per session, keeps track of which
// session is active, and tears sessions down in a fixed order:
//
//	stop accepting -> drain/force close -> release port -> retract discovery -> unregister
//
// A new session for the same workdir can only be created after the old one
// is unregistered.
//
// # Basic Usage
//
//	mgr, err := instance.NewManager(config.Get(), instance.WithLogger(logger))
//	if err := mgr.Start(); err != nil { ... }
//	defer mgr.Shutdown(context.Background())
//
//	sess, err := mgr.CreateSession(ctx, "/src/repo", instance.CreateOptions{})
//	env, _ := mgr.AgentEnv(sess.ID)
package instance
