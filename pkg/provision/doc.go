// Package provision turns transfer requests into resource manifests and drives
// the provisioners that realize them.
//
// Generators are registered per role on a GeneratorRegistry. The consumer
// manifest is produced only after the contract policy passes evaluation in the
// transfer.provisioning.consumer scope; the provider manifest requires a
// policy.ValidatedPolicy and never evaluates again.
//
// A Dispatcher routes each definition to the Provisioner registered for its kind
// and reports outcomes on a channel. Concrete generators and provisioners live in
// the subpackages edr, oauth2, httpprovision, sftp, script and plugin.
package provision
