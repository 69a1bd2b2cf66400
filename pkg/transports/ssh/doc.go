// Package ssh provides the SSH transport used by remote operations.
//
// A Client runs commands and uploads files over one connection; a Pool shares
// connections among the concurrent work items of a run. Connection settings
// are usually derived from the attributes of a target resource:
//
//	resources:
//	  - id: web1
//	    kind: host
//	    attrs: {address: 10.0.0.11, user: deploy, key: /etc/sequencer/deploy_key}
package ssh
