package service

import (
	"errors"

	"vidstream-go/internal/config"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/token"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials 表示用户名或密码不正确。
var ErrInvalidCredentials = errors.New("用户名或密码错误")

// AuthService 接口定义了认证相关的业务操作。
// 上传组件没有独立的用户系统，账号直接来自配置文件（密码为 bcrypt 哈希），
// 登录成功后签发供 CLI 与带外通道使用的 bearer token。
type AuthService interface {
	Login(username, password string) (accessToken string, err error)
	FindUser(username string) (*config.AuthUser, error)
}

type authService struct {
	users      []config.AuthUser
	jwtManager *token.JWTManager
}

// NewAuthService 创建一个新的 AuthService 实例。
func NewAuthService(authCfg config.AuthConfig, jwtManager *token.JWTManager) AuthService {
	return &authService{
		users:      authCfg.Users,
		jwtManager: jwtManager,
	}
}

// Login 校验配置中的凭据并签发 access token。
func (s *authService) Login(username, password string) (string, error) {
	user, err := s.FindUser(username)
	if err != nil {
		return "", err
	}

	// bcrypt 比较配置中的哈希与明文密码
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Warnf("[Login] 密码校验失败，用户: %s", username)
		return "", ErrInvalidCredentials
	}

	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		log.Errorf("[Login] 签发 token 失败, error: %v", err)
		return "", err
	}

	log.Infof("[Login] 用户 %s 登录成功", username)
	return accessToken, nil
}

// FindUser 按用户名在配置中查找账号。
func (s *authService) FindUser(username string) (*config.AuthUser, error) {
	for i := range s.users {
		if s.users[i].Username == username {
			return &s.users[i], nil
		}
	}
	return nil, ErrInvalidCredentials
}
