// Package store defines the persistence contracts for record entries, their
// icons, and batch runs. Implementations live in the memory and sqlite
// subpackages; this package must not import database drivers.
package store
