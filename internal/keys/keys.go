package keys

// Package keys centralizes Redis key construction for the Redis transport.
// It is kept in internal to avoid leaking key formats to public API.
// Every key of a queue shares the {queue} hash tag so Lua scripts stay
// single-slot on Redis Cluster.

// DefaultPrefix namespaces all keys unless the transport is configured otherwise.
const DefaultPrefix = "taskwire"

// Band names in delivery order: high, normal, low.
var bandNames = [...]string{"high", "normal", "low"}

func base(prefix, q string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":{" + q + "}:"
}

// Pending returns the LIST key holding ready messages of one priority band.
func Pending(prefix, q string, band int) string {
	return base(prefix, q) + "pending:" + bandNames[band]
}

// Active returns the ZSET of delivered messages scored by lease deadline (ms).
func Active(prefix, q string) string { return base(prefix, q) + "active" }

// Delayed returns the ZSET of messages scored by ETA (ms).
func Delayed(prefix, q string) string { return base(prefix, q) + "delayed" }

// Dead returns the LIST of dead-lettered messages.
func Dead(prefix, q string) string { return base(prefix, q) + "dead" }

// DeadExpiry is a ZSET index that tracks when dead-list members should be purged.
// Members are the raw envelopes; scores are absolute expiration timestamps in ms.
func DeadExpiry(prefix, q string) string { return base(prefix, q) + "dead_expiry" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name       string
	Pending    [len(bandNames)]string
	Active     string
	Delayed    string
	Dead       string
	DeadExpiry string
}

// For returns a set of precomputed keys for the provided queue.
func For(prefix, q string) Queue {
	b := base(prefix, q)
	k := Queue{
		Name:       q,
		Active:     b + "active",
		Delayed:    b + "delayed",
		Dead:       b + "dead",
		DeadExpiry: b + "dead_expiry",
	}
	for i, n := range bandNames {
		k.Pending[i] = b + "pending:" + n
	}
	return k
}
