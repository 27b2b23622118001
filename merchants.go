package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMerchantNotFound   = errors.New("merchant not found")
	ErrMerchantExists     = errors.New("merchant already exists")
	ErrInvalidCredentials = errors.New("invalid merchant credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Merchant is an API client allowed to submit payments
type Merchant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// MerchantStore persists merchants by unique name
type MerchantStore interface {
	Create(ctx context.Context, name, secret string) (*Merchant, error)
	GetByName(ctx context.Context, name string) (*Merchant, error)
}

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func newMerchant(name, secret string) (*Merchant, error) {
	if name == "" || secret == "" {
		return nil, fmt.Errorf("%w: name and secret are required", ErrInvalidCredentials)
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}
	return &Merchant{
		ID:         uuid.NewString(),
		Name:       name,
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Authenticate returns the merchant when secret matches its stored hash
func Authenticate(ctx context.Context, store MerchantStore, name, secret string) (*Merchant, error) {
	m, err := store.GetByName(ctx, name)
	if errors.Is(err, ErrMerchantNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !VerifySecret(secret, m.SecretHash) {
		return nil, ErrInvalidCredentials
	}
	return m, nil
}

// MemoryMerchantStore keeps merchants in process memory
type MemoryMerchantStore struct {
	merchants map[string]*Merchant
	mu        sync.RWMutex
}

func NewMemoryMerchantStore() *MemoryMerchantStore {
	return &MemoryMerchantStore{
		merchants: make(map[string]*Merchant),
	}
}

func (s *MemoryMerchantStore) Create(ctx context.Context, name, secret string) (*Merchant, error) {
	m, err := newMerchant(name, secret)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.merchants[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrMerchantExists, name)
	}
	s.merchants[name] = m

	cp := *m
	return &cp, nil
}

func (s *MemoryMerchantStore) GetByName(ctx context.Context, name string) (*Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.merchants[name]
	if !exists {
		return nil, ErrMerchantNotFound
	}
	cp := *m
	return &cp, nil
}

// SQLMerchantStore keeps merchants in the merchants table
type SQLMerchantStore struct {
	db *sql.DB
}

func NewSQLMerchantStore(db *sql.DB) *SQLMerchantStore {
	return &SQLMerchantStore{db: db}
}

func (s *SQLMerchantStore) Create(ctx context.Context, name, secret string) (*Merchant, error) {
	m, err := newMerchant(name, secret)
	if err != nil {
		return nil, err
	}

	if _, err := s.GetByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrMerchantExists, name)
	}

	query := "INSERT INTO merchants (id, name, secret_hash, created_at) VALUES (?, ?, ?, ?)"
	if _, err := s.db.ExecContext(ctx, query, m.ID, m.Name, m.SecretHash, m.CreatedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to insert merchant: %w", err)
	}
	return m, nil
}

func (s *SQLMerchantStore) GetByName(ctx context.Context, name string) (*Merchant, error) {
	query := "SELECT id, name, secret_hash, created_at FROM merchants WHERE name = ?"

	var m Merchant
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, name).Scan(&m.ID, &m.Name, &m.SecretHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return &m, nil
}

// MerchantClaims is the JWT payload of a merchant token
type MerchantClaims struct {
	MerchantID string `json:"merchant_id"`
	Name       string `json:"name"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 merchant tokens
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for m
func (ti *TokenIssuer) Issue(m *Merchant) (string, time.Time, error) {
	now := ti.now()
	expiresAt := now.Add(ti.ttl)

	claims := MerchantClaims{
		MerchantID: m.ID,
		Name:       m.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies the signature and expiry of tokenString
func (ti *TokenIssuer) Parse(tokenString string) (*MerchantClaims, error) {
	claims := &MerchantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return ti.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.MerchantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MerchantTokenHandler exchanges merchant credentials for a bearer token
func MerchantTokenHandler(store MerchantStore, issuer *TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(NewErrorResponse(ErrInvalidRequest, "Failed to read request body", "", err.Error()))
			return
		}
		defer r.Body.Close()

		var req struct {
			Name   string `json:"name"`
			Secret string `json:"secret"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(NewErrorResponse(ErrInvalidRequest, "Invalid JSON format", "", err.Error()))
			return
		}
		if req.Name == "" || req.Secret == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(NewErrorResponse(ErrInvalidRequest, "name and secret are required", "", ""))
			return
		}

		m, err := Authenticate(r.Context(), store, req.Name, req.Secret)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, ErrInvalidCredentials) {
				status = http.StatusInternalServerError
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(NewErrorResponse(ErrAuthFailed, "Invalid merchant credentials", "", ""))
			return
		}

		token, expiresAt, err := issuer.Issue(m)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(NewErrorResponse(ErrInternalError, "Failed to issue token", "", ""))
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"merchant_id": m.ID,
			"token":       token,
			"expires_at":  expiresAt.UTC().Format(time.RFC3339),
		})
	}
}
