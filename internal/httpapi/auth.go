package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"apotekpos/backend/internal/domain"
)

// UserStore is the slice of the repository the auth layer needs. The full
// store.Repository satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

var errInvalidCredentials = errors.New("invalid credentials")

// userRefreshInterval throttles how often the credential cache re-reads the
// user store. Logins between refreshes use the cached accounts.
const userRefreshInterval = 30 * time.Second

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  []byte
	store    UserStore

	mu          sync.RWMutex
	accounts    map[string]domain.UserAccount
	lastRefresh time.Time
}

type tokenClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	var pinHash []byte
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost); err == nil {
			pinHash = hashed
		}
	}

	m := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		pinHash:  pinHash,
		store:    userStore,
		accounts: make(map[string]domain.UserAccount),
	}
	m.refreshAccounts(context.Background(), true)
	return m
}

func (m *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	m.refreshAccounts(context.Background(), false)

	account, ok := m.lookup(req.Username)
	if !ok || !passwordMatches(account.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(m.tokenTTL)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   account.Username,
			Issuer:    "apotekpos",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: account.Role,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: signed,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (m *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &tokenClaims{}
	parsed, err := jwtlib.ParseWithClaims(tokenStr, claims, func(*jwtlib.Token) (interface{}, error) {
		return m.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

// ValidateManagerPIN checks the shared second factor that gates cashier
// provisioning. Always false when no PIN was configured.
func (m *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || len(m.pinHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(m.pinHash, []byte(input)) == nil
}

func (m *AuthManager) CreateCashier(req domain.CashierCreateRequest) (domain.CashierUser, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if err := validateNewCashier(username, req.Password); err != nil {
		return domain.CashierUser{}, err
	}

	m.refreshAccounts(context.Background(), true)
	if _, exists := m.lookup(username); exists {
		return domain.CashierUser{}, fmt.Errorf("username already exists")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("failed to hash password")
	}

	account := domain.UserAccount{
		Username:  username,
		Password:  string(hashed),
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if m.store != nil {
		if err := m.store.CreateUser(context.Background(), account); err != nil {
			return domain.CashierUser{}, err
		}
	}

	m.mu.Lock()
	m.accounts[username] = account
	m.mu.Unlock()

	return domain.CashierUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}, nil
}

func (m *AuthManager) ListCashiers() []domain.CashierUser {
	m.refreshAccounts(context.Background(), true)

	m.mu.RLock()
	cashiers := make([]domain.CashierUser, 0, len(m.accounts))
	for _, account := range m.accounts {
		if account.Role != domain.RoleCashier {
			continue
		}
		cashiers = append(cashiers, domain.CashierUser{
			Username:  account.Username,
			Role:      account.Role,
			Active:    account.Active,
			CreatedAt: account.CreatedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(cashiers, func(i, j int) bool { return cashiers[i].Username < cashiers[j].Username })
	return cashiers
}

func (m *AuthManager) lookup(username string) (domain.UserAccount, bool) {
	key := strings.ToLower(strings.TrimSpace(username))
	m.mu.RLock()
	account, ok := m.accounts[key]
	m.mu.RUnlock()
	return account, ok
}

// refreshAccounts reloads the credential cache from the user store. Legacy
// plain-text passwords found in the store are upgraded to bcrypt hashes on the
// way through, so seeded dev accounts become hashed after first load.
func (m *AuthManager) refreshAccounts(ctx context.Context, force bool) {
	if m.store == nil {
		return
	}

	m.mu.RLock()
	fresh := !force && time.Since(m.lastRefresh) < userRefreshInterval
	m.mu.RUnlock()
	if fresh {
		return
	}

	users, err := m.store.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefresh = time.Now()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		if !isBcryptHash(user.Password) {
			if hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost); err == nil {
				user.Password = string(hashed)
				_ = m.store.UpdateUserPassword(ctx, username, user.Password)
			}
		}
		user.Username = username
		m.accounts[username] = user
	}
}

func validateNewCashier(username string, password string) error {
	if len(username) < 4 {
		return fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return fmt.Errorf("username must not contain spaces")
	}
	if len(strings.TrimSpace(password)) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	return nil
}

func passwordMatches(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isBcryptHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
