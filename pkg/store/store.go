// Package store is the configuration store of the bus coupler: the own
// physical address, the group address table and the status bits that the
// transceiver consults while filtering and acknowledging.
package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"knxtp/pkg/knx"
)

// Config is the yaml form of the store.
type Config struct {
	// PhysicalAddress is the own address, e.g. "1.1.5".
	PhysicalAddress string `yaml:"physicalAddress"`
	// GroupAddresses is the group address table, e.g. ["1/2/3"].
	GroupAddresses []string `yaml:"groupAddresses"`
	// Promiscuous delivers every valid telegram to the higher layers.
	// Acknowledgements are never sent in this mode.
	Promiscuous bool `yaml:"promiscuous"`
}

// Store holds the parsed device configuration. It implements the station
// contract of the bus transceiver.
type Store struct {
	ownAddr     uint16
	groups      map[uint16]struct{}
	promiscuous bool
}

// New builds a store from the yaml form.
func New(c Config) (*Store, error) {
	addr, err := knx.ParsePhysAddr(c.PhysicalAddress)
	if err != nil {
		return nil, fmt.Errorf("physical address: %w", err)
	}

	s := &Store{
		ownAddr:     uint16(addr),
		groups:      make(map[uint16]struct{}, len(c.GroupAddresses)),
		promiscuous: c.Promiscuous,
	}

	for _, g := range c.GroupAddresses {
		addr, err := knx.ParseGroupAddr(g)
		if err != nil {
			return nil, fmt.Errorf("group address table: %w", err)
		}
		s.groups[uint16(addr)] = struct{}{}
	}

	return s, nil
}

// Load reads a store from a yaml file.
func Load(file string) (*Store, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var c Config
	if err = yaml.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("error reading store file %q: %w", file, err)
	}

	return New(c)
}

// OwnAddress returns the physical address of this device.
func (s *Store) OwnAddress() uint16 {
	return s.ownAddr
}

// IsGroupMember reports whether the address is in the group address table.
func (s *Store) IsGroupMember(addr uint16) bool {
	_, ok := s.groups[addr]
	return ok
}

// Promiscuous reports whether every telegram shall be delivered.
func (s *Store) Promiscuous() bool {
	return s.promiscuous
}
