package domain

import "fmt"

// ValidatePost checks a normalized Post before persistence.
func ValidatePost(p Post) error {
	if p.ID == "" {
		return fmt.Errorf("validate: post id is empty")
	}
	if p.AuthorHandle == "" {
		return fmt.Errorf("validate: author handle is empty")
	}
	if p.Content == "" {
		return fmt.Errorf("validate: content is empty")
	}
	return nil
}

// ValidateLink checks a Link candidate before persistence.
func ValidateLink(l Link) error {
	if l.PostID == "" {
		return fmt.Errorf("validate: link post id is empty")
	}
	if l.URL == "" {
		return fmt.Errorf("validate: link url is empty")
	}
	return nil
}
