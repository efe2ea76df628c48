package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9-]{3,25}$`)

// NormalizeUsername performs case-insensitive canonicalization for uniqueness checks.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeMembers returns memberIDs with creatorID first, blanks removed and
// duplicates dropped (first occurrence wins).
func NormalizeMembers(creatorID string, memberIDs []string) []string {
	return NormalizeIDs(append([]string{creatorID}, memberIDs...))
}

// NormalizeIDs trims ids, drops blanks and removes duplicates, keeping the
// first occurrence.
func NormalizeIDs(ids []string) []string {
	ids = lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	ids = lo.Filter(ids, func(id string, _ int) bool { return id != "" })
	return lo.Uniq(ids)
}

func checkCreateUser(op string, in CreateUserInput) (CreateUserInput, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = NormalizeEmail(in.Email)
	in.ImageURL = strings.TrimSpace(in.ImageURL)

	if !usernameRE.MatchString(in.Username) {
		return in, invalid(op, "username must be 3-25 letters, digits or dashes")
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return in, invalid(op, "invalid email")
	}
	in.Now = storeTime(in.Now)
	return in, nil
}

func checkCreateChat(op string, in CreateChatInput) (CreateChatInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.CreatorID = strings.TrimSpace(in.CreatorID)

	if in.CreatorID == "" {
		return in, invalid(op, "missing creator")
	}
	if n := utf8.RuneCountInString(in.Name); n < minChatNameChars || n > maxChatNameChars {
		return in, invalid(op, "chat name must be 3-60 characters")
	}
	if !lo.Contains(in.MemberIDs, in.CreatorID) {
		return in, invalid(op, "members must include the creator")
	}
	in.Now = storeTime(in.Now)
	return in, nil
}

func checkAppend(op string, in AppendMessageInput) (AppendMessageInput, error) {
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.AuthorID = strings.TrimSpace(in.AuthorID)

	if in.ChatID == "" || in.AuthorID == "" {
		return in, invalid(op, "missing chat or author")
	}
	if strings.TrimSpace(in.Content) == "" {
		return in, invalid(op, "empty content")
	}
	if utf8.RuneCountInString(in.Content) > maxMessageChars {
		return in, invalid(op, "content too long")
	}
	in.Now = storeTime(in.Now)
	return in, nil
}
