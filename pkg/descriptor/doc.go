// Package descriptor loads sequence descriptors into engine documents.
//
// Descriptors are written in YAML or CUE (plain JSON is accepted as CUE):
//
//	name: web
//	vars:
//	  env: prod
//	resources:
//	  - id: web1
//	    kind: host
//	    labels: {role: web}
//	    attrs: {address: 10.0.0.11}
//	orders:
//	  - name: deploy
//	    steps:
//	      - kind: foreach
//	        attrs: {items: 'by_label("role", "web")', item-name: host, max-par: "2"}
//	        children:
//	          - kind: echo
//	            attrs: {message: "deploying ${host}"}
//
// Attribute values are strings. Loaded documents are validated, cached by
// absolute path and shared read-only by every processor that uses them.
package descriptor
