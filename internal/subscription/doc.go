// Package subscription implements the Subscription Manager component.
//
// The Subscription Manager:
//   - Deduplicates identical (query, variables) subscriptions onto one
//     upstream pub/sub channel each
//   - Fans incoming updates out to every attached listener
//   - Merges updates arriving within a short window into a single
//     batched delivery
package subscription
