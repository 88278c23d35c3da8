package browser

import (
	"strings"
	"time"

	"wadispatch/internal/session"
)

const DefaultURL = "https://web.whatsapp.com"

// Selectors are XPath expressions evaluated with chromedp.BySearch.
type Selectors struct {
	ChatList  string
	SearchBox string
	Header    string
	Compose   string
}

type Config struct {
	URL        string
	ProfileDir string
	ExecPath   string
	Headless   bool

	LoginTimeout time.Duration
	WaitTimeout  time.Duration
	SearchPause  time.Duration
	PollEvery    time.Duration

	Selectors Selectors
	Matcher   session.Matcher
}

func DefaultSelectors() Selectors {
	return Selectors{
		ChatList:  `//div[@aria-label='Chat list']`,
		SearchBox: `//div[@role='textbox' and @data-tab='3']`,
		Header:    `//header//span[@title]`,
		Compose:   `//*[@id='main']//footer//div[@contenteditable='true']`,
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if strings.TrimSpace(c.ProfileDir) == "" {
		c.ProfileDir = "chrome_profile"
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 60 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.SearchPause <= 0 {
		c.SearchPause = time.Second
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 250 * time.Millisecond
	}
	def := DefaultSelectors()
	if c.Selectors.ChatList == "" {
		c.Selectors.ChatList = def.ChatList
	}
	if c.Selectors.SearchBox == "" {
		c.Selectors.SearchBox = def.SearchBox
	}
	if c.Selectors.Header == "" {
		c.Selectors.Header = def.Header
	}
	if c.Selectors.Compose == "" {
		c.Selectors.Compose = def.Compose
	}
	if c.Matcher == nil {
		c.Matcher = session.ExactMatch
	}
	return c
}
