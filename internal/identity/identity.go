// Package identity builds and validates the certificate hierarchy that
// anchors node trust.
//
// It provides:
//   - DistinguishedName : ordered X.500 names compared structurally
//   - CertificateRole   : the closed set of roles and who may issue what
//   - NameConstraints   : directoryName permitted subtrees
//   - Issue / SelfSign  : single certificate construction
//   - HierarchyStore    : creates/loads the root and intermediate CAs
//   - Chain             : ordering, pinning and path validation
//   - CompositeKey      : threshold multi-key identities and their certificates
package identity
