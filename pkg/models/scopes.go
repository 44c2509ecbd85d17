package models

// ScopeCategory buckets sensitive OAuth scopes by the data they expose.
type ScopeCategory string

const (
	ScopeCategoryDrive    ScopeCategory = "drive"
	ScopeCategoryMail     ScopeCategory = "mail"
	ScopeCategoryCalendar ScopeCategory = "calendar"
	ScopeCategoryAdmin    ScopeCategory = "admin"
	ScopeCategoryMessages ScopeCategory = "messages"
)

// sensitiveScopeCatalog is an exact-match catalog of scopes that grant
// access to user data: full Google scope URLs, their qualified short forms,
// Microsoft Graph permission names, and Slack granular scopes. Bare
// unqualified words ("drive", "email", "admin") are deliberately absent;
// a scope must be qualified to carry a category. The messages category
// marks a scope sensitive without feeding a per-category risk factor.
var sensitiveScopeCatalog = map[ScopeCategory][]string{
	ScopeCategoryDrive: {
		"https://www.googleapis.com/auth/drive",
		"https://www.googleapis.com/auth/drive.readonly",
		"https://www.googleapis.com/auth/drive.file",
		"https://www.googleapis.com/auth/drive.metadata.readonly",
		"https://www.googleapis.com/auth/documents",
		"https://www.googleapis.com/auth/spreadsheets",
		"drive.readonly",
		"drive.file",
		"drive.metadata.readonly",
		"Files.Read",
		"Files.Read.All",
		"Files.ReadWrite",
		"Files.ReadWrite.All",
		"Sites.Read.All",
		"Sites.ReadWrite.All",
		"files:read",
		"files:write",
	},
	ScopeCategoryMail: {
		"https://mail.google.com/",
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.modify",
		"https://www.googleapis.com/auth/gmail.compose",
		"gmail.readonly",
		"gmail.send",
		"gmail.modify",
		"gmail.compose",
		"Mail.Read",
		"Mail.ReadWrite",
		"Mail.Send",
	},
	ScopeCategoryCalendar: {
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/calendar.readonly",
		"https://www.googleapis.com/auth/calendar.events",
		"calendar.readonly",
		"calendar.events",
		"Calendars.Read",
		"Calendars.ReadWrite",
	},
	ScopeCategoryAdmin: {
		"https://www.googleapis.com/auth/admin.directory.user",
		"https://www.googleapis.com/auth/admin.directory.group",
		"https://www.googleapis.com/auth/admin.reports.audit.readonly",
		"https://www.googleapis.com/auth/cloud-platform",
		"admin.directory.user",
		"admin.directory.group",
		"admin.reports.audit.readonly",
		"Directory.Read.All",
		"Directory.ReadWrite.All",
		"Application.ReadWrite.All",
		"User.ReadWrite.All",
		"RoleManagement.ReadWrite.Directory",
		"admin.users:read",
		"admin.users:write",
		"admin.conversations:write",
	},
	ScopeCategoryMessages: {
		"channels:history",
		"groups:history",
		"im:history",
		"mpim:history",
		"chat:write",
		"Chat.Read",
		"Chat.ReadWrite",
		"ChannelMessage.Read.All",
	},
}

var sensitiveScopes = func() map[string]ScopeCategory {
	index := make(map[string]ScopeCategory)
	for cat, scopes := range sensitiveScopeCatalog {
		for _, s := range scopes {
			index[s] = cat
		}
	}
	return index
}()

// SensitiveScopeCategory returns the category of a sensitive scope.
// Unknown scopes return ok=false and carry no category.
func SensitiveScopeCategory(scope string) (ScopeCategory, bool) {
	cat, ok := sensitiveScopes[scope]
	return cat, ok
}

// IsSensitiveScope reports whether the scope appears in the sensitive
// catalog at all.
func IsSensitiveScope(scope string) bool {
	_, ok := sensitiveScopes[scope]
	return ok
}
