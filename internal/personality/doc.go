// Package personality defines the static catalog of AI personas that can
// participate in conversations. Each entry pairs a system prompt with the
// generation parameters (model, temperature, token budget, penalties) used
// whenever that persona takes a turn.
//
// The default catalog ships embedded in the binary; deployments can point
// personalities.path at an external TOML file instead. The registry is
// immutable after load, so it is safe to share across goroutines without
// locking.
package personality
