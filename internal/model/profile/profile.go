package profile

// Profile 描述桥接层对外提供的智能体配置：系统指令、开场白与音色。
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Title        string   `json:"title"`
	Tone         string   `json:"tone"`
	Instructions string   `json:"instructions"`
	Greeting     string   `json:"greeting"`
	VoiceID      string   `json:"voiceId,omitempty"`
	Language     string   `json:"language,omitempty"`
	Traits       []string `json:"traits,omitempty"`
}

// DefaultID 是未指定 profile 时使用的配置。
const DefaultID = "assistant"

// Seed provides the built-in profiles.
func Seed() []Profile {
	return []Profile{
		{
			ID:           DefaultID,
			Name:         "Assistant",
			Title:        "Voice assistant",
			Tone:         "friendly, concise",
			Instructions: "You are a helpful voice assistant. Keep answers short and conversational, avoid markdown and lists, and speak in complete sentences.",
			Greeting:     "Hello! I'm connected and ready to chat. How can I help you?",
			VoiceID:      "en_default",
			Language:     "en-US",
			Traits:       []string{"helpful", "brief"},
		},
		{
			ID:           "concierge",
			Name:         "小安",
			Title:        "中文语音助手",
			Tone:         "温和、耐心",
			Instructions: "你是一名中文语音助手。回答要简短口语化，不使用列表和 Markdown，每次只讲重点。",
			Greeting:     "你好，我已经准备好了，有什么可以帮你？",
			VoiceID:      "zh_female_vv_uranus_bigtts",
			Language:     "zh-CN",
			Traits:       []string{"耐心", "简洁"},
		},
	}
}
