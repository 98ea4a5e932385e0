package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Header names of a signed operator request.
const (
	HeaderAddress   = "X-Operator-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Operator-Signature"
)

// OperatorKey is the gin context key holding the verified operator address.
const OperatorKey = "operator_address"

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
	Machine   string `json:"machine"`
	Nonce     string `json:"nonce"`
}

const maxFutureWindow = 5 * time.Minute

// Verifier checks operator signatures for one machine.
type Verifier struct {
	rdb     *redis.Client
	allow   Allowlist
	machine string
}

func NewVerifier(rdb *redis.Client, allow Allowlist, machine string) *Verifier {
	return &Verifier{rdb: rdb, allow: allow, machine: machine}
}

func nonceKey(machine, nonce string) string { return "cash:nonce:" + machine + ":" + nonce }

// Require returns a Gin handler that admits a request only if it carries a
// fresh EIP-191 signature from an allowlisted operator over action.
func (v *Verifier) Require(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		msgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if addr == "" || msgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		msg, err := base64.StdEncoding.DecodeString(msgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}
		if req.Action != action {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signed action does not match"})
			return
		}
		if req.Machine != v.machine {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signed for another machine"})
			return
		}

		sig, err := DecodeSignature(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msg, sig)
		if err != nil || !strings.EqualFold(recovered.Hex(), addr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if !v.allow.Allowed(recovered) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator not allowed"})
			return
		}

		// Nonce dedup via SET NX, kept until the request would expire anyway.
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := v.rdb.SetNX(c.Request.Context(), nonceKey(v.machine, req.Nonce), 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(OperatorKey, recovered.Hex())
		c.Next()
	}
}
