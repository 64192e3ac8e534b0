package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/requestdata"
	"github.com/odooforge/odooforge-backend/internal/types"
	"github.com/odooforge/odooforge-backend/internal/utils"
)

type JWTClaims struct {
	jwt.RegisteredClaims
}

type AuthService interface {
	RegisterUser(ctx context.Context, user *types.User) error
	LoginUser(ctx context.Context, email, password string) (string, string, error)
	RefreshUser(ctx context.Context, refreshToken string) (string, string, error)
	LogoutUser(ctx context.Context) error
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
	GetAccessTTL() time.Duration
}

type authService struct {
	db            *gorm.DB
	log           *logger.Logger
	userRepo      repos.UserRepo
	userTokenRepo repos.UserTokenRepo
	jwtSecretKey  string
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewAuthService(
	db *gorm.DB,
	log *logger.Logger,
	userRepo repos.UserRepo,
	userTokenRepo repos.UserTokenRepo,
	jwtSecretKey string,
	accessTTL time.Duration,
	refreshTTL time.Duration,
) AuthService {
	return &authService{
		db:            db,
		log:           log.With("service", "AuthService"),
		userRepo:      userRepo,
		userTokenRepo: userTokenRepo,
		jwtSecretKey:  jwtSecretKey,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

func (as *authService) RegisterUser(ctx context.Context, user *types.User) error {
	utils.NormalizeUserFields(user)
	if vErr := utils.ValidateRegistration(ctx, as.userRepo, user); vErr != nil {
		return vErr
	}
	if hErr := utils.HashPassword(as.log, user); hErr != nil {
		return hErr
	}
	user.ID = uuid.New()
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if _, err := as.userRepo.Create(ctx, nil, []*types.User{user}); err != nil {
		return fmt.Errorf("Failed to create user: %w", err)
	}
	return nil
}

func (as *authService) LoginUser(ctx context.Context, email, password string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", "", fmt.Errorf("Email is required to login")
	}
	if password == "" {
		return "", "", fmt.Errorf("Password is required to login")
	}

	users, usErr := as.userRepo.GetByEmails(ctx, nil, []string{email})
	if usErr != nil {
		return "", "", fmt.Errorf("Error retrieving user by email: %w", usErr)
	}
	if len(users) == 0 {
		return "", "", fmt.Errorf("Invalid email or password")
	}
	user := users[0]
	if hErr := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); hErr != nil {
		return "", "", fmt.Errorf("Invalid email or password")
	}

	var accessToken string
	var refreshToken string
	if err := as.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		foundTokens, ftErr := as.userTokenRepo.GetByUserIDs(ctx, tx, []uuid.UUID{user.ID})
		if ftErr != nil {
			return fmt.Errorf("Failed to check user tokens: %w", ftErr)
		}
		if len(foundTokens) > 0 {
			if dtErr := as.userTokenRepo.DeleteByUserIDs(ctx, tx, []uuid.UUID{user.ID}); dtErr != nil {
				return fmt.Errorf("Failed to delete stale user tokens: %w", dtErr)
			}
		}
		tok, genErr := as.generateAccessToken(user)
		if genErr != nil {
			return fmt.Errorf("Generate access token error: %w", genErr)
		}
		accessToken = tok
		refreshToken = uuid.New().String()
		userToken := types.UserToken{
			ID:           uuid.New(),
			UserID:       user.ID,
			RefreshToken: refreshToken,
			ExpiresAt:    time.Now().UTC().Add(as.refreshTTL),
			CreatedAt:    time.Now().UTC(),
		}
		if _, ctErr := as.userTokenRepo.Create(ctx, tx, []*types.UserToken{&userToken}); ctErr != nil {
			return fmt.Errorf("Create user token error: %w", ctErr)
		}
		return nil
	}); err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (as *authService) RefreshUser(ctx context.Context, refreshToken string) (string, string, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return "", "", fmt.Errorf("Refresh token required")
	}

	var accessToken string
	var newRefreshToken string
	err := as.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existingToken, ftErr := as.userTokenRepo.GetByRefreshToken(ctx, tx, refreshToken)
		if ftErr != nil {
			return fmt.Errorf("Error fetching refresh token: %w", ftErr)
		}
		if existingToken == nil {
			return fmt.Errorf("Unknown refresh token")
		}
		if existingToken.ExpiresAt.Before(time.Now().UTC()) {
			if dtErr := as.userTokenRepo.DeleteByUserIDs(ctx, tx, []uuid.UUID{existingToken.UserID}); dtErr != nil {
				return fmt.Errorf("Refresh token expired, error deleting: %w", dtErr)
			}
			return fmt.Errorf("Refresh token expired")
		}
		users, uErr := as.userRepo.GetByIDs(ctx, tx, []uuid.UUID{existingToken.UserID})
		if uErr != nil {
			return fmt.Errorf("Failed to load user for refresh: %w", uErr)
		}
		if len(users) == 0 {
			return fmt.Errorf("No user found for the given refresh token")
		}
		user := users[0]
		tok, genErr := as.generateAccessToken(user)
		if genErr != nil {
			return fmt.Errorf("Failed to generate new access token: %w", genErr)
		}
		accessToken = tok
		newRefreshToken = uuid.New().String()
		newUserToken := types.UserToken{
			ID:           uuid.New(),
			UserID:       user.ID,
			RefreshToken: newRefreshToken,
			ExpiresAt:    time.Now().UTC().Add(as.refreshTTL),
			CreatedAt:    time.Now().UTC(),
		}
		if dErr := as.userTokenRepo.DeleteByUserIDs(ctx, tx, []uuid.UUID{user.ID}); dErr != nil {
			return fmt.Errorf("Failed to remove old refresh token: %w", dErr)
		}
		if _, cErr := as.userTokenRepo.Create(ctx, tx, []*types.UserToken{&newUserToken}); cErr != nil {
			return fmt.Errorf("Failed to create new user token: %w", cErr)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return accessToken, newRefreshToken, nil
}

func (as *authService) LogoutUser(ctx context.Context) error {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return fmt.Errorf("No request data found in context")
	}
	if rd.UserID == uuid.Nil {
		return fmt.Errorf("No user id in request data")
	}
	return as.userTokenRepo.DeleteByUserIDs(ctx, nil, []uuid.UUID{rd.UserID})
}

func (as *authService) generateAccessToken(user *types.User) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(as.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(as.jwtSecretKey))
}

func (as *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	if tokenString == "" {
		return ctx, nil
	}
	parsedToken, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(as.jwtSecretKey), nil
	})
	if err != nil {
		return ctx, fmt.Errorf("Failed to parse token: %w", err)
	}
	claims, ok := parsedToken.Claims.(*JWTClaims)
	if !ok || !parsedToken.Valid {
		return ctx, fmt.Errorf("Invalid or expired JWT token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return ctx, fmt.Errorf("Invalid user id in token: %w", err)
	}
	rd := &requestdata.RequestData{
		TokenString: tokenString,
		UserID:      userID,
	}
	return requestdata.WithRequestData(ctx, rd), nil
}

func (as *authService) GetAccessTTL() time.Duration {
	return as.accessTTL
}
