package storelink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// id for the implicit local/self link of every store.
// A store publishes to its self link to address itself when running unlinked logic.
var SelfLinkId = Id{}

var (
	ErrStoreClosed      = errors.New("store closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrLinkClosed       = errors.New("link closed")
)

// DeniedError is returned from `DialLink` when the remote subscriber denies admission.
type DeniedError struct {
	Reason string
}

func (self *DeniedError) Error() string {
	return fmt.Sprintf("subscription denied: %s", self.Reason)
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// ActionId names one operation on a store. Unique within a store's operation set.
// Names starting with "@" are reserved for the protocol layer.
type ActionId string

func (self ActionId) reserved() bool {
	return strings.HasPrefix(string(self), "@")
}

// protocol-reserved idents. These are handled by the dispatch layer itself and
// never resolve to a user operation.
const (
	subscribeIdent ActionId = "@subscribe"
	acceptIdent    ActionId = "@accept"
	denyIdent      ActionId = "@deny"
	requestIdent   ActionId = "@request"
	resultIdent    ActionId = "@result"
	completeIdent  ActionId = "@complete"
	errorIdent     ActionId = "@error"
	cancelIdent    ActionId = "@cancel"
)

// Message is the sole unit exchanged over a link: an ordered tuple of the
// operation ident followed by positional params. The wire form is the json
// array `[ident, ...params]`.
type Message struct {
	Ident  ActionId
	Params []any
}

func NewMessage(ident ActionId, params ...any) *Message {
	return &Message{
		Ident:  ident,
		Params: params,
	}
}

func (self *Message) MarshalJSON() ([]byte, error) {
	tuple := make([]any, 0, 1+len(self.Params))
	tuple = append(tuple, string(self.Ident))
	tuple = append(tuple, self.Params...)
	return json.Marshal(tuple)
}

func (self *Message) UnmarshalJSON(b []byte) error {
	var tuple []any
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) == 0 {
		return errors.New("empty message tuple")
	}
	ident, ok := tuple[0].(string)
	if !ok {
		return fmt.Errorf("message ident must be a string: %T", tuple[0])
	}
	self.Ident = ActionId(ident)
	self.Params = tuple[1:]
	return nil
}

func (self *Message) String() string {
	return fmt.Sprintf("%s/%d", self.Ident, len(self.Params))
}

type targetMode int

const (
	targetOne targetMode = iota
	targetAll
	targetAllExcept
)

// Target selects which subset of a store's current links receive a published
// message. The link set is resolved at publish time, not at target creation.
type Target struct {
	mode targetMode
	link *StoreLink
}

// ToOne addresses a single link.
func ToOne(link *StoreLink) Target {
	return Target{
		mode: targetOne,
		link: link,
	}
}

// ToAll addresses every link currently in the store's link set.
func ToAll() Target {
	return Target{
		mode: targetAll,
	}
}

// ToAllExcept addresses every link in the set except one, typically the origin
// of the message being relayed.
func ToAllExcept(except *StoreLink) Target {
	return Target{
		mode: targetAllExcept,
		link: except,
	}
}

func (self Target) String() string {
	switch self.mode {
	case targetOne:
		return fmt.Sprintf("one(%s)", self.link.Id())
	case targetAllExcept:
		return fmt.Sprintf("all-except(%s)", self.link.Id())
	default:
		return "all"
	}
}
