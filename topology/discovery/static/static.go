// Package static discovers service topologies from a YAML manifest:
//
//	services:
//	  - name: fabric:/CacheApp/CacheService
//	    scheme: uniform
//	    partitions:
//	      - id: 1
//	        address: 10.0.0.1:7070
//	      - id: 2
//	        address: 10.0.0.2:7070
package static

import (
	"context"
	"fmt"
	"os"

	"github.com/jrife/kvcache/partition"
	"github.com/jrife/kvcache/topology"
	"gopkg.in/yaml.v2"
)

// Manifest is the document format read by Parse
type Manifest struct {
	Services []ServiceManifest `yaml:"services"`
}

// ServiceManifest describes one service
type ServiceManifest struct {
	Name       string              `yaml:"name"`
	Scheme     string              `yaml:"scheme"`
	Partitions []PartitionManifest `yaml:"partitions"`
}

// PartitionManifest describes one partition of a service
type PartitionManifest struct {
	ID      int64  `yaml:"id"`
	Address string `yaml:"address"`
}

var _ topology.Discoverer = (*Discoverer)(nil)

// Discoverer serves descriptions from a manifest
type Discoverer struct {
	descriptions map[string]topology.Description
}

// Load reads and parses the manifest at path
func Load(path string) (*Discoverer, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("could not read manifest: %w", err)
	}

	return Parse(data)
}

// Parse parses a manifest. Every service must validate.
func Parse(data []byte) (*Discoverer, error) {
	var manifest Manifest

	if err := yaml.UnmarshalStrict(data, &manifest); err != nil {
		return nil, fmt.Errorf("could not parse manifest: %w", err)
	}

	discoverer := &Discoverer{descriptions: make(map[string]topology.Description, len(manifest.Services))}

	for _, service := range manifest.Services {
		if _, ok := discoverer.descriptions[service.Name]; ok {
			return nil, fmt.Errorf("service %s is listed more than once", service.Name)
		}

		description := topology.Description{
			Service: service.Name,
			Scheme:  topology.ParseScheme(service.Scheme),
		}

		for _, p := range service.Partitions {
			description.Partitions = append(description.Partitions, topology.Partition{ID: partition.ID(p.ID), Address: p.Address})
		}

		if err := description.Validate(); err != nil {
			return nil, err
		}

		discoverer.descriptions[service.Name] = description
	}

	return discoverer, nil
}

// Describe implements topology.Discoverer.Describe
func (discoverer *Discoverer) Describe(ctx context.Context, service string) (topology.Description, error) {
	description, ok := discoverer.descriptions[service]

	if !ok {
		return topology.Description{}, fmt.Errorf("%s: %w", service, topology.ErrNoSuchService)
	}

	return description, nil
}
