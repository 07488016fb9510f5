// Package ratelimit provides the process-wide daily call budget shared by
// all conversation turn loops. A single mutex-guarded counter serializes
// check-and-increment so concurrent turns cannot jointly exceed the cap.
package ratelimit
