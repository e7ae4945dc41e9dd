package card

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"
)

type GeneratorConfig struct {
	// Prefix is the issuer identification number every card starts with.
	Prefix string
	// Length is the full card number length including the check digit.
	Length int
	// ValidityYears is the minimum time until expiry.
	ValidityYears int
}

func (c GeneratorConfig) Validate() error {
	if c.Prefix == "" || !digitsOnly(c.Prefix) {
		return fmt.Errorf("card prefix must be numeric")
	}
	if c.Length < 13 || c.Length > 19 {
		return fmt.Errorf("card length must be between 13 and 19, got %d", c.Length)
	}
	if len(c.Prefix) >= c.Length-1 {
		return fmt.Errorf("card prefix too long for length %d", c.Length)
	}
	if c.ValidityYears <= 0 {
		return fmt.Errorf("card validity must be at least one year")
	}
	return nil
}

// Generator issues Luhn-valid card numbers, expiries and CVVs from a cryptographic source.
type Generator struct {
	cfg     GeneratorConfig
	entropy io.Reader
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg, entropy: rand.Reader}, nil
}

func (g *Generator) digit() (byte, error) {
	n, err := rand.Int(g.entropy, big.NewInt(10))
	if err != nil {
		return 0, fmt.Errorf("generate digit: %w", err)
	}
	return byte('0' + n.Int64()), nil
}

func (g *Generator) digits(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		d, err := g.digit()
		if err != nil {
			return "", err
		}
		b.WriteByte(d)
	}
	return b.String(), nil
}

// Number returns a new card number: prefix, random body, Luhn check digit.
func (g *Generator) Number() (string, error) {
	body, err := g.digits(g.cfg.Length - len(g.cfg.Prefix) - 1)
	if err != nil {
		return "", err
	}
	partial := g.cfg.Prefix + body
	return partial + string(LuhnCheckDigit(partial)), nil
}

// Expiry returns an MM/YY expiry at least ValidityYears after now, pushed out by a random
// 0..11 extra months so cards issued together do not all expire together.
func (g *Generator) Expiry(now time.Time) (string, error) {
	extra, err := rand.Int(g.entropy, big.NewInt(12))
	if err != nil {
		return "", fmt.Errorf("generate expiry: %w", err)
	}
	months := g.cfg.ValidityYears*12 + int(extra.Int64())
	t := time.Date(now.Year(), now.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%02d/%02d", int(t.Month()), t.Year()%100), nil
}

// CVV returns a random three-digit security code.
func (g *Generator) CVV() (string, error) {
	return g.digits(3)
}

// LuhnCheckDigit computes the digit that makes partial+digit pass the Luhn check.
func LuhnCheckDigit(partial string) byte {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		d := int(partial[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte('0' + (10-sum%10)%10)
}

func LuhnValid(number string) bool {
	if len(number) < 2 || !digitsOnly(number) {
		return false
	}
	return LuhnCheckDigit(number[:len(number)-1]) == number[len(number)-1]
}

// Mask keeps the first and last four digits and groups the result by four,
// e.g. "4000 **** **** 1234".
func Mask(number string) string {
	if len(number) <= 8 {
		return strings.Repeat("*", len(number))
	}
	masked := number[:4] + strings.Repeat("*", len(number)-8) + number[len(number)-4:]
	var b strings.Builder
	for i := 0; i < len(masked); i++ {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteByte(masked[i])
	}
	return b.String()
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
