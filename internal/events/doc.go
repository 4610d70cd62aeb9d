// Package events is a small synchronous publish/subscribe bus.
//
// Topics are typed: a Topic[T] can only be published with and subscribed to
// using values of T. Handlers run on the publishing goroutine in subscription
// order.
package events
