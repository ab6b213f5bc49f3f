package domain

func (u User) account(p Provider) *SocialAccount {
	for i := range u.SocialAccounts {
		if u.SocialAccounts[i].Provider == p {
			return &u.SocialAccounts[i]
		}
	}
	return nil
}

func (u User) GitHubAccount() *SocialAccount     { return u.account(ProviderGitHub) }
func (u User) SalesforceAccount() *SocialAccount { return u.account(ProviderSalesforce) }

// GitHubID is the uid of the linked GitHub account.
func (u User) GitHubID() string {
	if a := u.GitHubAccount(); a != nil {
		return a.UID
	}
	return ""
}

func (u User) AvatarURL() string {
	if a := u.GitHubAccount(); a != nil {
		return stringField(a.ExtraData, "avatar_url")
	}
	return ""
}

// UsesGlobalDevhub is true when a service-wide devhub is configured and the
// user has not set their own.
func (u User) UsesGlobalDevhub(globalDevhub string) bool {
	return globalDevhub != "" && u.DevhubUsername == ""
}

func (u User) orgDetails(globalDevhub string) map[string]any {
	if u.UsesGlobalDevhub(globalDevhub) {
		return nil
	}
	a := u.SalesforceAccount()
	if a == nil {
		return nil
	}
	details, _ := a.ExtraData["organization_details"].(map[string]any)
	return details
}

func (u User) OrgID(globalDevhub string) string {
	return stringField(u.orgDetails(globalDevhub), "Id")
}

func (u User) OrgName(globalDevhub string) string {
	return stringField(u.orgDetails(globalDevhub), "Name")
}

func (u User) OrgType(globalDevhub string) string {
	return stringField(u.orgDetails(globalDevhub), "OrganizationType")
}

// FullOrgType classifies the connected org as Developer, Production,
// Sandbox or Scratch. Empty when no Salesforce account is linked.
func (u User) FullOrgType() string {
	a := u.SalesforceAccount()
	if a == nil {
		return ""
	}
	details, _ := a.ExtraData["organization_details"].(map[string]any)
	if details == nil {
		return ""
	}
	orgType := stringField(details, "OrganizationType")
	sandbox, _ := details["IsSandbox"].(bool)
	trial := details["TrialExpirationDate"]
	switch {
	case !sandbox && orgType == "Developer Edition":
		return "Developer"
	case !sandbox && orgType == "Production":
		return "Production"
	case sandbox && trial == nil:
		return "Sandbox"
	case sandbox:
		return "Scratch"
	}
	return ""
}

func (u User) InstanceURL() string {
	if a := u.SalesforceAccount(); a != nil {
		return stringField(a.ExtraData, "instance_url")
	}
	return ""
}

// SFUsername resolves the devhub username in order: the user's own setting,
// the global devhub, the linked account's preferred username.
func (u User) SFUsername(globalDevhub string) string {
	if u.DevhubUsername != "" {
		return u.DevhubUsername
	}
	if u.UsesGlobalDevhub(globalDevhub) {
		return globalDevhub
	}
	if a := u.SalesforceAccount(); a != nil {
		return stringField(a.ExtraData, "preferred_username")
	}
	return ""
}

// SFToken returns the Salesforce access and refresh tokens.
func (u User) SFToken() (string, string) {
	if a := u.SalesforceAccount(); a != nil {
		return a.Token, a.TokenSecret
	}
	return "", ""
}

// IsDevhubEnabled answers without a round trip when a devhub username is
// known; otherwise the linked org must be a non-sandbox production or
// developer org.
func (u User) IsDevhubEnabled(globalDevhub string) bool {
	if u.DevhubUsername != "" || u.UsesGlobalDevhub(globalDevhub) {
		return true
	}
	switch u.FullOrgType() {
	case "Developer", "Production":
		return true
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
