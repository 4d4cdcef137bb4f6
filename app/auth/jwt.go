package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"plex-kiosk/app/config"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 回调令牌声明，绑定到单个媒体请求
type Claims struct {
	RequestID uint `json:"request_id"`
	jwt.RegisteredClaims
}

// CallbackTokenService 为提交到后端的任务签发回调令牌
type CallbackTokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewCallbackTokenService 创建回调令牌服务
func NewCallbackTokenService(cfg config.CallbackConfig) *CallbackTokenService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &CallbackTokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// GenerateToken 生成回调令牌
func (s *CallbackTokenService) GenerateToken(requestID uint) (string, error) {
	now := s.now()
	claims := Claims{
		RequestID: requestID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(requestID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken 验证回调令牌
func (s *CallbackTokenService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.RequestID == 0 {
		return nil, fmt.Errorf("token does not name a request")
	}
	return claims, nil
}
