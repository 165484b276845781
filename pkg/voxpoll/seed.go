package voxpoll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/voxpoll/pkg/calls"
	"github.com/harunnryd/voxpoll/pkg/configutil"
	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/spf13/viper"
)

// SeedFile describes one campaign and its contact list.
type SeedFile struct {
	Campaign CampaignSeed  `mapstructure:"campaign"`
	Contacts []ContactSeed `mapstructure:"contacts"`
}

type CampaignSeed struct {
	ID                   string         `mapstructure:"id"`
	Name                 string         `mapstructure:"name"`
	Language             string         `mapstructure:"language"`
	IntroScript          string         `mapstructure:"intro_script"`
	Questions            []QuestionSeed `mapstructure:"questions"`
	MaxAttempts          int            `mapstructure:"max_attempts"`
	RetryIntervalMinutes int            `mapstructure:"retry_interval_minutes"`
	WindowStart          string         `mapstructure:"window_start"`
	WindowEnd            string         `mapstructure:"window_end"`
	Timezone             string         `mapstructure:"timezone"`
}

type QuestionSeed struct {
	Text string `mapstructure:"text"`
	Type string `mapstructure:"type"`
}

type ContactSeed struct {
	ID          string `mapstructure:"id"`
	PhoneNumber string `mapstructure:"phone_number"`
	Language    string `mapstructure:"language"`
	DoNotCall   bool   `mapstructure:"do_not_call"`
}

func LoadSeed(path string) (SeedFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return SeedFile{}, fmt.Errorf("read seed: %w", err)
	}
	var s SeedFile
	if err := v.Unmarshal(&s); err != nil {
		return SeedFile{}, fmt.Errorf("unmarshal seed: %w", err)
	}
	return s, s.Validate()
}

func (s SeedFile) Validate() error {
	if err := configutil.RequireString(s.Campaign.ID, "campaign.id"); err != nil {
		return err
	}
	if err := configutil.RequireString(s.Campaign.Name, "campaign.name"); err != nil {
		return err
	}
	if len(s.Campaign.Questions) != dialogue.QuestionCount {
		return fmt.Errorf("campaign.questions: want %d, got %d", dialogue.QuestionCount, len(s.Campaign.Questions))
	}
	for i, q := range s.Campaign.Questions {
		if err := configutil.RequireString(q.Text, fmt.Sprintf("campaign.questions[%d].text", i)); err != nil {
			return err
		}
		if q.Type != "" {
			if err := configutil.OneOf(q.Type, fmt.Sprintf("campaign.questions[%d].type", i), string(dialogue.AnswerFreeText), string(dialogue.AnswerNumeric), string(dialogue.AnswerScale)); err != nil {
				return err
			}
		}
	}
	for i, c := range s.Contacts {
		if err := configutil.RequireString(c.ID, fmt.Sprintf("contacts[%d].id", i)); err != nil {
			return err
		}
		if err := configutil.RequireString(c.PhoneNumber, fmt.Sprintf("contacts[%d].phone_number", i)); err != nil {
			return err
		}
	}
	return nil
}

// Seed upserts the campaign and its contacts. Existing contact progress is kept.
func Seed(ctx context.Context, repo calls.Repository, s SeedFile) (int, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	c := s.Campaign
	campaign := calls.Campaign{
		ID:                   c.ID,
		Name:                 c.Name,
		Language:             c.Language,
		IntroScript:          c.IntroScript,
		MaxAttempts:          c.MaxAttempts,
		RetryIntervalMinutes: c.RetryIntervalMinutes,
		WindowStart:          c.WindowStart,
		WindowEnd:            c.WindowEnd,
		Timezone:             c.Timezone,
	}
	for _, q := range c.Questions {
		t := strings.ToLower(strings.TrimSpace(q.Type))
		if t == "" {
			t = string(dialogue.AnswerFreeText)
		}
		campaign.Questions = append(campaign.Questions, calls.SurveyQuestion{Text: q.Text, Type: t})
	}
	if err := repo.SaveCampaign(ctx, campaign); err != nil {
		return 0, err
	}
	n := 0
	for _, cs := range s.Contacts {
		contact, err := repo.Contact(ctx, cs.ID)
		if errors.Is(err, calls.ErrContactNotFound) {
			contact = calls.Contact{ID: cs.ID, State: calls.ContactPending}
		} else if err != nil {
			return n, err
		}
		contact.CampaignID = c.ID
		contact.PhoneNumber = cs.PhoneNumber
		contact.Language = cs.Language
		contact.DoNotCall = cs.DoNotCall
		if err := repo.SaveContact(ctx, contact); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
