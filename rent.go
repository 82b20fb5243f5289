package didsol

const (
	// bytes charged for every account in addition to its data
	accountStorageOverhead = 128

	lamportsPerByteYear     = 3480
	exemptionThresholdYears = 2
)

// MinimumBalance is the rent-exempt lamport balance for an account holding
// size bytes of data.
func MinimumBalance(size int) uint64 {
	return uint64(accountStorageOverhead+size) * lamportsPerByteYear * exemptionThresholdYears
}
