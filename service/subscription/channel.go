package subscription

type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSlack    ChannelType = "slack"
	ChannelEmail    ChannelType = "email"
	ChannelWebhook  ChannelType = "webhook"
	ChannelWebPush  ChannelType = "webpush"
)

var ChannelTypes = []ChannelType{
	ChannelTelegram,
	ChannelDiscord,
	ChannelWhatsApp,
	ChannelSlack,
	ChannelEmail,
	ChannelWebhook,
	ChannelWebPush,
}

func (c ChannelType) String() string {
	return string(c)
}

func (c ChannelType) Label() string {
	switch c {
	case ChannelTelegram:
		return "Telegram"
	case ChannelDiscord:
		return "Discord"
	case ChannelWhatsApp:
		return "WhatsApp"
	case ChannelSlack:
		return "Slack"
	case ChannelEmail:
		return "Email"
	case ChannelWebhook:
		return "Webhook"
	case ChannelWebPush:
		return "WebPush"
	default:
		return string(c)
	}
}

func (c ChannelType) Valid() bool {
	for _, t := range ChannelTypes {
		if t == c {
			return true
		}
	}
	return false
}
