// Package statestore implements the key-value + event-stream
// collaborator: per-account-scope runtime/recovery
// snapshots, session config, mark-price cache, and the bounded
// strategy-events log. Redis (github.com/redis/go-redis/v9) is the
// primary backend; a sqlite fallback keeps the core usable when Redis
// is unavailable.
package statestore

import "fmt"

func runtimeKey(scope, symbol string) string {
	return fmt.Sprintf("%s:runtime_state:%s", scope, symbol)
}

func recoveryKey(scope, symbol string) string {
	return fmt.Sprintf("%s:recovery_state:%s", scope, symbol)
}

func sessionConfigKey(scope string) string {
	return fmt.Sprintf("%s:session_config", scope)
}

func priceKey(scope, symbol string) string {
	return fmt.Sprintf("%s:price:%s", scope, symbol)
}

func eventsKey(scope string) string {
	return fmt.Sprintf("%s:events", scope)
}
