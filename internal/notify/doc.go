// Package notify batches outbound notifications per recipient. Duplicates
// inside a short window are dropped, high priority is delivered
// immediately, and low priority is held back to smooth bursts. Delivery
// goes through a Sender; failed sends are logged and never retried here.
package notify
