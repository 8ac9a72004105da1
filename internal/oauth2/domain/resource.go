package domain

// Resource maps one scope to the resource/service identifier it grants
// access to. Scopes with no mapping contribute nothing to the audience.
type Resource struct {
	ID            string // resource/service identifier, e.g. "svc-orders"
	Realm         string
	Scope         string // the scope resolving to this resource
	OwnerClientID string // client that registered the resource
}
