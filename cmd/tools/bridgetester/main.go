package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/voicebridge/backend/internal/config"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f56"))
)

var (
	timeout   time.Duration
	sessionID string
	threadID  string
)

var rootCmd = &cobra.Command{
	Use:   "bridgetester",
	Short: "Exercise the voice bridge components against live services",
	Long: `Developer tool for the voice bridge.

Commands:
  token   - log in and open a conversation token
  ask     - stream one utterance through the responder
  tts     - synthesize text to an audio file
  asr     - transcribe a raw PCM file

Configuration is read from .env and the environment, as the server does.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 45*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	rootCmd.PersistentFlags().StringVar(&threadID, "thread", "", "thread id to bind")

	rootCmd.AddCommand(tokenCmd, askCmd, ttsCmd, asrCmd)
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}
	return config.Load()
}

func currentSession() string {
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}
	return sessionID
}

func printField(label string, value any) {
	fmt.Printf("%s %v\n", labelStyle.Render(label+":"), value)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
