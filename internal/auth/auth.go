package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/ticketmatch/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// RoleTrader is granted to every registered account
const RoleTrader = "trader"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// UserStore is the persistence the auth service needs. *db.DB implements it.
type UserStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, tradeID *int64, reason string) (decimal.Decimal, error)
}

// Config holds token and account settings
type Config struct {
	Secret         string
	TokenTTL       time.Duration
	OpeningBalance decimal.Decimal
}

// Identity is the authenticated caller handed to the trade engine
type Identity struct {
	UserID   int64
	Username string
	Roles    []string
}

// Claims is the JWT payload
type Claims struct {
	UserID   int64    `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthService handles user authentication
type AuthService struct {
	Users  UserStore
	config Config
	log    *logrus.Logger
	now    func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, cfg Config, logger *logrus.Logger) *AuthService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &AuthService{Users: users, config: cfg, log: logger, now: time.Now}
}

// Register creates a new user with hashed password and credits the opening
// balance through the ledger in the same transaction.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidInput)
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 characters)", ErrInvalidInput)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	var user *models.User
	err = s.Users.WithTx(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.Users.CreateUser(ctx, username, string(hashedPassword))
		if err != nil {
			return err
		}
		if s.config.OpeningBalance.IsPositive() {
			balance, err := s.Users.Credit(ctx, user.ID, s.config.OpeningBalance, nil, models.ReasonOpeningBalance)
			if err != nil {
				return err
			}
			user.Balance = balance
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("user registered")
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.Users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   user.ID,
		Username: user.Username,
		Roles:    []string{RoleTrader},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenTTL)),
		},
	})

	tokenString, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserFromToken verifies a JWT and returns the identity it carries
func (s *AuthService) GetUserFromToken(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == 0 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Username: claims.Username, Roles: claims.Roles}, nil
}
