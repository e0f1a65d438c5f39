package config

// StoreDriver selects the local store backend.
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreSQLite StoreDriver = "sqlite"
)

// ValidStoreDrivers lists accepted store.driver values.
var ValidStoreDrivers = map[StoreDriver]bool{
	StoreMemory: true,
	StoreSQLite: true,
}

// ValidLogLevels lists accepted logging.level values.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}
