package redis

const (
	keyPrefix = "aggregator/"

	// KeyPrefixResultCache is the key prefix for cached aggregate results
	KeyPrefixResultCache = keyPrefix + "results/"
	// KeyDeadLetter is the list holding persistence jobs that exhausted their retries
	KeyDeadLetter = keyPrefix + "sink/dead_letter"
)
