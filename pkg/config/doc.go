// Package config loads the connector configuration.
//
// # Sources
//
// Configuration is layered, later sources winning:
//
//   - defaults from the embedded CUE schema (#Config)
//   - a CUE document, unified with the schema so unknown fields and
//     out-of-range values are rejected with file positions
//   - CONNECTOR_* environment variables, optionally read from a .env file,
//     mapped onto keys by replacing "." with "_" (CONNECTOR_MANAGER_WORKERS
//     sets manager.workers)
//
// The result is checked with go-playground/validator before it is returned.
// Secrets and the asset catalogue keep their keys verbatim and are not
// overridable from the environment.
//
// # Usage Example
//
//	if err := config.LoadDotEnv(".env"); err != nil {
//	    return err
//	}
//	cfg, err := config.Load("connector.cue")
//	if err != nil {
//	    return err
//	}
//	mgr, err := manager.New(cfg.ManagerConfig(), deps)
//
// # Example document
//
//	connector: participant_id: "urn:connector:acme"
//	manager: {
//	    workers:           8
//	    provision_timeout: "2m"
//	}
//	catalog: {
//	    assets: [{
//	        id: "asset-1"
//	        address: {type: "HttpData", properties: baseUrl: "https://data.acme.example/v1"}
//	    }]
//	    agreements: [{
//	        contract_id: "contract-1"
//	        asset_id:    "asset-1"
//	        signed_at:   "2025-01-01T00:00:00Z"
//	        policy_file: "policies/contract-1.json"
//	    }]
//	}
package config
