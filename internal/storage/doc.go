// Package storage is the address book and template repository.
//
// It holds contacts, groups with their member numbers, message templates by
// category and an audit trail of dispatch runs. Drivers: sqlite (default),
// postgres and a YAML file for small installs.
package storage
