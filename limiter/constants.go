package limiter

// Key types
const (
	KeyTypeIP   = "ip"
	KeyTypeUser = "user"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const (
	// KeyPrefix namespaces every counter key written by the limiter.
	KeyPrefix = "rate_limit"
	// DefaultSnapshotKey is where the synchronizer publishes the policy snapshot.
	DefaultSnapshotKey = "rate_limit_rules_v1"
)

// validKeyTypes lists the identity sources a policy may count by.
var validKeyTypes = map[string]bool{
	KeyTypeIP:   true,
	KeyTypeUser: true,
}

// ValidKeyType reports whether kt is a known key type.
func ValidKeyType(kt string) bool {
	return validKeyTypes[kt]
}
