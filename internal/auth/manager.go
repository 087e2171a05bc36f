// Package auth は運用系エンドポイントを保護する Basic 認証ガードを提供します。
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const realm = `Basic realm="cloud-render operator"`

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// ContextUserKey は、ハンドラー間で認証済みオペレーター名を共有するためのキーです。
const ContextUserKey = "auth.operator"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Guard はオペレーター認証と失敗回数による一時ロックをまとめた構造体です。
type Guard struct {
	username     string
	passwordHash []byte
	now          func() time.Time

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewGuard は Guard を作成します。username が空の場合、Require は何も検証しません。
func NewGuard(username, passwordHash string) *Guard {
	return &Guard{
		username:     username,
		passwordHash: []byte(passwordHash),
		now:          time.Now,
		attempts:     make(map[string]*attemptState),
	}
}

// Enabled は認証が有効かどうかを返します。
func (g *Guard) Enabled() bool {
	return g != nil && g.username != ""
}

// Require は HTTP Basic 認証を検証するミドルウェアを返します。
// 同じIPから一定時間内に失敗が続くと 429 を返してロックします。
func (g *Guard) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := g.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数で返す（切り上げ）
			c.Header("Retry-After", strconv.FormatInt(int64((retryAfter+time.Second-1)/time.Second), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		user, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", realm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"code":    "UNAUTHORIZED",
				"message": "認証情報が必要です",
			})
			return
		}

		if !g.verify(user, password) {
			remaining := g.recordFailure(ip)
			c.Header("WWW-Authenticate", realm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":            "error",
				"code":              "INVALID_CREDENTIALS",
				"message":           "ユーザー名またはパスワードが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}

		g.resetAttempts(ip)
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

func (g *Guard) verify(user, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.username)) == 1
	// ユーザー名が違っても bcrypt の比較は行い、応答時間を揃える
	passOK := bcrypt.CompareHashAndPassword(g.passwordHash, []byte(password)) == nil
	return userOK && passOK
}

func (g *Guard) checkLock(ip string) time.Duration {
	g.lock.Lock()
	defer g.lock.Unlock()

	state, ok := g.attempts[ip]
	if !ok {
		return 0
	}
	now := g.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (g *Guard) recordFailure(ip string) int {
	g.lock.Lock()
	defer g.lock.Unlock()

	now := g.now()
	state, ok := g.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		g.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (g *Guard) resetAttempts(ip string) {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.attempts, ip)
}
