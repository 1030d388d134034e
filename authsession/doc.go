// Package authsession decides whether the current visitor is signed in.
//
// A single Controller owns the process-wide verdict. It performs one
// session read against the identity provider when the dashboard starts,
// publishes the result to a Store, and then follows the provider's push
// notifications for the rest of the process lifetime.
//
// The verdict starts as Unknown and leaves it exactly once. After that it
// moves freely between Authenticated and Unauthenticated as events arrive.
// On every transition into Unauthenticated caused by a sign-out, the
// per-user query cache is cleared before the new verdict becomes readable,
// so one user's dashboard data is never shown under another user's session.
//
// Consumers read the verdict through the Reader interface and never write
// it. Collaborators (identity provider, cache, notifications) are injected,
// which keeps the controller testable without an HTTP server or browser.
//
// # Usage
//
//	store := authsession.NewStore(authsession.WithStoreLogger(logger))
//	ctrl, err := authsession.NewController(store, provider,
//	    authsession.WithCacheInvalidator(cache),
//	    authsession.WithNotifier(dispatcher),
//	    authsession.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Teardown()
//
//	go ctrl.Initialize(ctx)
package authsession
