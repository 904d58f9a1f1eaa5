// Package broadcast provides the in-memory pub/sub that keeps admin
// dashboards in sync with live conversation activity.
//
// Subscribers register for one tenant and receive typed events over a
// buffered channel. Delivery is best-effort and at-most-once per
// currently connected subscriber: there is no replay buffer, slow
// subscribers drop events, and a dashboard that reconnects after a gap
// re-fetches current state through the CRUD API instead.
//
// A reconnecting dashboard passes the same client id; the broadcaster
// releases the previous handle for that client before registering the
// new one, so connect/disconnect churn never leaks subscriptions.
package broadcast
