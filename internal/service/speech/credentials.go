package speech

import (
	"errors"
	"net/http"
	"strings"

	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
)

// ErrCredentials 语音服务缺少 AppID 或 AccessToken。
var ErrCredentials = errors.New("speech credentials missing")

// resolveCredentials 返回规范化后的 AppID 与 AccessToken。
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", ErrCredentials
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrCredentials
	}
	return appID, token, nil
}

func authHeader(appID, token, resourceID, connectID string) http.Header {
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)
	return header
}
