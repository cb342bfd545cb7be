package email

import (
	"fmt"
	"log"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// OrderConfirmationPayload carries the data for an order confirmation email.
type OrderConfirmationPayload struct {
	ToEmail     string
	ToName      string
	OrderNumber string
	EventName   string
	TicketCodes []string
	TotalCents  int64
	Currency    string
}

// CartRecoveryPayload carries the data for one cart recovery step email.
type CartRecoveryPayload struct {
	ToEmail   string
	ToName    string
	EventName string
	Template  string
	StepIndex int
	CartID    uint
}

// AnnouncementPayload carries the data for one announcement step email.
type AnnouncementPayload struct {
	ToEmail   string
	ToName    string
	EventName string
	Template  string
	StepIndex int
	SignupID  uint
}

// LevelUpPayload carries the data for a rep level-up notification.
type LevelUpPayload struct {
	ToEmail  string
	ToName   string
	NewLevel int
	Balance  float64
}

// MilestonePayload carries the data for a milestone-reached notification.
type MilestonePayload struct {
	ToEmail       string
	ToName        string
	MilestoneName string
	RewardName    string
}

// Recorder counts sent emails by kind. Satisfied by the metrics package.
type Recorder interface {
	EmailSent(kind string)
}

// Service handles email sending.
// If a SendGrid API key is provided, emails go out via SendGrid; otherwise
// they are logged to console (development mode).
type Service struct {
	fromEmail   string
	fromName    string
	baseURL     string
	sendGridKey string
	useSendGrid bool
	recorder    Recorder
}

// NewService creates a new email service
func NewService(fromEmail, fromName, baseURL, sendGridAPIKey string) *Service {
	useSendGrid := sendGridAPIKey != ""
	if useSendGrid {
		log.Printf("✅ Email service initialized with SendGrid")
	} else {
		log.Printf("⚠️  Email service in console-only mode (set SENDGRID_API_KEY for production)")
	}

	return &Service{
		fromEmail:   fromEmail,
		fromName:    fromName,
		baseURL:     baseURL,
		sendGridKey: sendGridAPIKey,
		useSendGrid: useSendGrid,
	}
}

// WithRecorder attaches a sent-email counter. Returns the service for
// chaining during wiring.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// SendOrderConfirmation sends the post-checkout confirmation with ticket codes.
func (s *Service) SendOrderConfirmation(p OrderConfirmationPayload) error {
	subject := fmt.Sprintf("Your tickets for %s (order %s)", p.EventName, p.OrderNumber)

	codes := ""
	for _, c := range p.TicketCodes {
		codes += fmt.Sprintf("<li><code>%s</code></li>", c)
	}

	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>You're going to %s!</h2>
			<p>Hi %s,</p>
			<p>Thanks for your order <strong>%s</strong>. Your tickets are below; each code is scanned at the door.</p>
			<ul>%s</ul>
			<p>Total paid: %s</p>
			<p>See you there,<br>The %s Team</p>
		</body>
		</html>
	`, p.EventName, p.ToName, p.OrderNumber, codes, formatAmount(p.TotalCents, p.Currency), s.fromName)

	plainText := fmt.Sprintf(`
Hi %s,

Thanks for your order %s for %s.

Your ticket codes:
%s
Total paid: %s

See you there,
The %s Team
	`, p.ToName, p.OrderNumber, p.EventName, plainCodes(p.TicketCodes), formatAmount(p.TotalCents, p.Currency), s.fromName)

	return s.send("order_confirmation", p.ToEmail, p.ToName, subject, body, plainText)
}

// SendCartRecoveryStep sends one step of the abandoned-cart sequence.
func (s *Service) SendCartRecoveryStep(p CartRecoveryPayload) error {
	subject := fmt.Sprintf("Still thinking about %s?", p.EventName)
	checkoutURL := fmt.Sprintf("%s/cart/%d", s.baseURL, p.CartID)

	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Your tickets are waiting</h2>
			<p>Hi %s,</p>
			<p>You left tickets for <strong>%s</strong> in your cart. Grab them before they're gone:</p>
			<p><a href="%s" style="background-color: #4CAF50; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Finish Checkout</a></p>
			<p>Thanks,<br>The %s Team</p>
		</body>
		</html>
	`, p.ToName, p.EventName, checkoutURL, s.fromName)

	plainText := fmt.Sprintf(`
Hi %s,

You left tickets for %s in your cart. Finish checkout here:

%s

Thanks,
The %s Team
	`, p.ToName, p.EventName, checkoutURL, s.fromName)

	return s.send("cart_recovery", p.ToEmail, p.ToName, subject, body, plainText)
}

// SendAnnouncementStep sends one step of the pre-launch announcement sequence.
func (s *Service) SendAnnouncementStep(p AnnouncementPayload) error {
	var subject string
	switch p.Template {
	case "announce_on_sale":
		subject = fmt.Sprintf("Tickets for %s are on sale now", p.EventName)
	case "announce_last_chance":
		subject = fmt.Sprintf("Last chance for %s tickets", p.EventName)
	default:
		subject = fmt.Sprintf("You're on the list for %s", p.EventName)
	}

	eventURL := fmt.Sprintf("%s/events/%d", s.baseURL, p.SignupID)

	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>%s</h2>
			<p>Hi %s,</p>
			<p><a href="%s" style="background-color: #2196F3; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">View Event</a></p>
			<p>Thanks,<br>The %s Team</p>
		</body>
		</html>
	`, subject, p.ToName, eventURL, s.fromName)

	plainText := fmt.Sprintf(`
Hi %s,

%s

%s

Thanks,
The %s Team
	`, p.ToName, subject, eventURL, s.fromName)

	return s.send("announcement", p.ToEmail, p.ToName, subject, body, plainText)
}

// SendLevelUp notifies a rep that their level increased.
func (s *Service) SendLevelUp(p LevelUpPayload) error {
	subject := fmt.Sprintf("You reached level %d!", p.NewLevel)

	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Level up!</h2>
			<p>Hi %s,</p>
			<p>Your sales pushed you to <strong>level %d</strong>. Current balance: %.0f points.</p>
			<p>Keep it going,<br>The %s Team</p>
		</body>
		</html>
	`, p.ToName, p.NewLevel, p.Balance, s.fromName)

	plainText := fmt.Sprintf(`
Hi %s,

Your sales pushed you to level %d. Current balance: %.0f points.

Keep it going,
The %s Team
	`, p.ToName, p.NewLevel, p.Balance, s.fromName)

	return s.send("level_up", p.ToEmail, p.ToName, subject, body, plainText)
}

// SendMilestoneReached notifies a rep that a milestone reward was claimed.
func (s *Service) SendMilestoneReached(p MilestonePayload) error {
	subject := fmt.Sprintf("Milestone reached: %s", p.MilestoneName)

	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Milestone reached!</h2>
			<p>Hi %s,</p>
			<p>You hit <strong>%s</strong> and earned: %s.</p>
			<p>Congrats,<br>The %s Team</p>
		</body>
		</html>
	`, p.ToName, p.MilestoneName, p.RewardName, s.fromName)

	plainText := fmt.Sprintf(`
Hi %s,

You hit %s and earned: %s.

Congrats,
The %s Team
	`, p.ToName, p.MilestoneName, p.RewardName, s.fromName)

	return s.send("milestone", p.ToEmail, p.ToName, subject, body, plainText)
}

// send routes through SendGrid in production and the console in development.
// Successful sends are counted by kind.
func (s *Service) send(kind, toEmail, toName, subject, htmlBody, plainTextBody string) error {
	if s.useSendGrid {
		if err := s.sendViaSendGrid(toEmail, toName, subject, htmlBody, plainTextBody); err != nil {
			return err
		}
		if s.recorder != nil {
			s.recorder.EmailSent(kind)
		}
		return nil
	}

	log.Printf("📧 [EMAIL] %s", subject)
	log.Printf("   To: %s <%s>", toName, toEmail)
	log.Printf("   From: %s <%s>", s.fromName, s.fromEmail)
	log.Printf("   ⚠️  Email NOT sent (development mode)")
	if s.recorder != nil {
		s.recorder.EmailSent(kind)
	}
	return nil
}

// sendViaSendGrid sends email using SendGrid API
func (s *Service) sendViaSendGrid(toEmail, toName, subject, htmlBody, plainTextBody string) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(toName, toEmail)

	message := mail.NewSingleEmail(from, subject, to, plainTextBody, htmlBody)

	client := sendgrid.NewSendClient(s.sendGridKey)
	response, err := client.Send(message)

	if err != nil {
		log.Printf("❌ SendGrid error: %v", err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	if response.StatusCode >= 400 {
		log.Printf("❌ SendGrid returned error status %d: %s", response.StatusCode, response.Body)
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	return nil
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(cents)/100, currency)
}

func plainCodes(codes []string) string {
	out := ""
	for _, c := range codes {
		out += "  - " + c + "\n"
	}
	return out
}
