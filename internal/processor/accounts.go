package processor

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// ErrAccountExists is returned by an AccountDirectory for a duplicate
// username or email.
var ErrAccountExists = errors.New("account already exists")

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,64}$`)

// Account is the item document of a BULK_ACCOUNT_CREATION task.
type Account struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role,omitempty"`
}

// AccountParams are the task-level parameters.
type AccountParams struct {
	DefaultRole string `json:"default_role,omitempty"`
	ScopeID     string `json:"scope_id,omitempty"`
}

// AccountDirectory provisions user accounts.
type AccountDirectory interface {
	CreateAccount(ctx context.Context, acc Account, scopeID string) (accountID string, err error)
}

// AccountCreator is the BULK_ACCOUNT_CREATION processor.
type AccountCreator struct {
	dir AccountDirectory
}

// NewAccountCreator wraps an account directory.
func NewAccountCreator(dir AccountDirectory) *AccountCreator {
	return &AccountCreator{dir: dir}
}

func (a *AccountCreator) Validate(p types.Payload) error {
	if err := requireItems(p); err != nil {
		return err
	}
	if _, err := Decode[AccountParams](p.Params); err != nil {
		return invalid("params: %v", err)
	}
	return nil
}

func (a *AccountCreator) Process(ctx context.Context, item Item) (string, error) {
	acc, err := Decode[Account](item.Raw)
	if err != nil {
		return "", fmt.Errorf("malformed account: %v", err)
	}
	params, err := Decode[AccountParams](item.Params)
	if err != nil {
		return "", Fatal(fmt.Errorf("params: %v", err))
	}

	acc.Username = strings.TrimSpace(acc.Username)
	acc.Email = strings.TrimSpace(acc.Email)
	if !usernamePattern.MatchString(acc.Username) {
		return "", fmt.Errorf("invalid username %q", acc.Username)
	}
	if _, err := mail.ParseAddress(acc.Email); err != nil {
		return "", fmt.Errorf("invalid email %q", acc.Email)
	}
	if acc.Role == "" {
		acc.Role = params.DefaultRole
	}
	if acc.Role == "" {
		return "", errors.New("role is required")
	}

	id, err := a.dir.CreateAccount(ctx, acc, params.ScopeID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// MemoryDirectory is an in-process AccountDirectory.
type MemoryDirectory struct {
	mu         sync.Mutex
	byUsername map[string]string
	byEmail    map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (d *MemoryDirectory) CreateAccount(ctx context.Context, acc Account, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	user := strings.ToLower(acc.Username)
	email := strings.ToLower(acc.Email)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byUsername[user]; ok {
		return "", fmt.Errorf("%w: username %q", ErrAccountExists, acc.Username)
	}
	if _, ok := d.byEmail[email]; ok {
		return "", fmt.Errorf("%w: email %q", ErrAccountExists, acc.Email)
	}
	id := uuid.NewString()
	d.byUsername[user] = id
	d.byEmail[email] = id
	return id, nil
}

// Len returns the number of provisioned accounts.
func (d *MemoryDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byUsername)
}
