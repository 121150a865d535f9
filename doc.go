// Package katprep coordinates patch maintenance across Foreman/Katello managed hosts.
//
// # Overview
//
// katprep works from an errata snapshot report: a JSON document listing every
// managed host with its parameters and the errata outstanding for it. Each
// maintenance phase reads the report, selects hosts and talks to three kinds
// of backends:
//
//   - Inventory: Foreman/Katello installs errata, upgrades and reboots hosts
//   - Monitoring: Icinga2 downtimes and service state
//   - Virtualization: vSphere VM snapshots
//
// # Architecture
//
//	┌─────────────────┐
//	│  CLI (cobra)    │
//	└────────┬────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  Maintenance    │◄──────┤  Report Store   │
//	│  (phases)       │       │  (JSON, flock)  │
//	└────────┬────────┘       └─────────────────┘
//	         │
//	┌────────▼────────┐
//	│ Client Manager  │──► Foreman / Icinga2 / vSphere
//	└─────────────────┘
//
// # Host Parameters
//
// Hosts are tied to their monitoring and virtualization backends through
// reserved parameters:
//   - katprep_virt, katprep_virt_type, katprep_virt_name
//   - katprep_virt_snapshot (any real value requests a snapshot)
//   - katprep_mon, katprep_mon_type, katprep_mon_name
//
// # Usage
//
// A typical maintenance:
//
//	katprep maintenance prepare errata-snapshot-report-20240315.json
//	katprep maintenance execute errata-snapshot-report-20240315.json
//	katprep maintenance verify  errata-snapshot-report-20240315.json
//	katprep maintenance cleanup errata-snapshot-report-20240315.json
//
// Compare two reports:
//
//	katprep report diff before.json after.json --output-dir ./deltas
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (katprep.yaml)
//   - Environment variables (KATPREP_ prefix)
//   - .env file
//
// Example configuration:
//
//	inventory:
//	  type: foreman
//	  address: foreman.example.com
//	monitoring:
//	  type: icinga2
//	maintenance:
//	  downtime_hours: 8
//	  workers: 4
//	credentials:
//	  container: ~/.katprep/auth.yml
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o katprep ./cmd/katprep
package katprep
