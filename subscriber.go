package storelink

// SubscribeRequest is one pending admission attempt: the raw connection and
// the constructor params the peer sent with `@subscribe`. Auth is set by
// `RequireAuth` when the subscriber is token-gated.
type SubscribeRequest struct {
	Connection Connection
	Params     []any
	Auth       *ByJwt
}

// SubscribeFunc is the admission gate, run once per attempt. Returning an
// Admission value makes accept/deny exactly-once by construction: there is no
// way to answer twice or not at all. The accepting handler chooses the live
// store instance, creating or reusing one as it sees fit. The handler may
// block on asynchronous checks.
type SubscribeFunc func(req *SubscribeRequest) Admission

// Admission is the terminal outcome of one attempt. The zero value denies.
type Admission struct {
	accepted bool
	store    *Store
	payload  []any
	reason   string
}

// AcceptInto admits the peer into store. The payload is sent back to the peer
// as the subscription reply.
func AcceptInto(store *Store, payload ...any) Admission {
	return Admission{
		accepted: true,
		store:    store,
		payload:  payload,
	}
}

func Deny(reason string) Admission {
	return Admission{
		reason: reason,
	}
}

func (self Admission) Accepted() bool {
	return self.accepted && self.store != nil
}

func (self Admission) Store() *Store {
	return self.store
}

func (self Admission) Payload() []any {
	return self.payload
}

func (self Admission) Reason() string {
	if self.accepted {
		return ""
	}
	if self.reason == "" {
		return "denied"
	}
	return self.reason
}
