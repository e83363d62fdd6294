package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidRole signals a role outside analyst, reviewer and admin.
	ErrInvalidRole = errors.New("auth: invalid role")
	// ErrMissingFields signals an empty email or full name.
	ErrMissingFields = errors.New("auth: email and full_name are required")
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Service handles operator authentication.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and operator returned after a successful login.
type LoginResult struct {
	Token    string
	Operator Operator
}

// Claims is what a verified token says about its bearer.
type Claims struct {
	OperatorID string
	Role       Role
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
}

// Register creates an operator account. Role defaults to analyst.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Operator, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, ErrMissingFields
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAnalyst
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w %q", ErrInvalidRole, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	op, err := s.repo.CreateOperator(ctx, CreateOperatorParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Login authenticates an operator and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(op.ID, op.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Operator: op}, nil
}

// GetOperator retrieves an operator by id.
func (s *Service) GetOperator(ctx context.Context, id string) (*Operator, error) {
	op, err := s.repo.GetOperatorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// VerifyToken validates a token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}
	id, ok := claims["operator_id"].(string)
	if !ok || id == "" {
		return Claims{}, fmt.Errorf("auth: invalid operator_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("%w %q in token", ErrInvalidRole, roleStr)
	}
	return Claims{OperatorID: id, Role: role}, nil
}

func (s *Service) generateToken(id string, role Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"operator_id": id,
		"role":        role,
		"exp":         now.Add(s.ttl).Unix(),
		"iat":         now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAnalyst, RoleReviewer, RoleAdmin:
		return true
	default:
		return false
	}
}
