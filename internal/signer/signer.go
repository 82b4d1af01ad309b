package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// URLSigner выдает и проверяет подписанные ссылки на скачивание контента.
// Подпись — HMAC-SHA256 над парой (ID контента, срок действия) на серверном
// секрете. Ссылка действительна до истечения срока и не является одноразовой:
// повторная выдача для того же контента дает независимую, равно действительную
// ссылку.
type URLSigner struct {
	secret []byte
	now    func() time.Time
}

// NewURLSigner создает подписчик ссылок с серверным секретом.
func NewURLSigner(secret string) *URLSigner {
	return &URLSigner{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Issue выдает подписанный путь для скачивания контента, действительный ttl.
func (s *URLSigner) Issue(contentID string, ttl time.Duration) (string, time.Time) {
	expiresAt := s.now().Add(ttl)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)
	sig := s.sign(contentID, expires)

	signedURL := fmt.Sprintf("/api/content/%s/file?expires=%s&sig=%s",
		url.PathEscape(contentID), expires, sig)
	return signedURL, expiresAt
}

// Validate проверяет подпись и срок действия ссылки.
// Возвращает единый отрицательный результат и для подделки, и для истечения
// срока: вызывающему незачем знать причину.
func (s *URLSigner) Validate(contentID, expires, sig string) bool {
	expiresUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}

	expected := s.sign(contentID, expires)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return false
	}

	return s.now().Unix() <= expiresUnix
}

// sign вычисляет HMAC-SHA256 над contentID и сроком действия.
func (s *URLSigner) sign(contentID, expires string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(contentID))
	mac.Write([]byte("|"))
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}
