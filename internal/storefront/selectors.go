package storefront

// DOM contract of the storefront and its login theme.
const (
	AccountMenuButton = `[data-testid="container-accountNavMenu_account-btn"]`
	ProfileLink       = `[data-testid="navigation-account-item-id-my-account/profile.jsp"]`
	UsernameInput     = `#username`
	PasswordInput     = `#login-password`
	PasswordToggle    = `#password-show-hide`
	LoginSubmit       = `#kc-login`
	ErrorAlert        = `.alert-error`
)

// Alias names and routes used by the login flow.
const (
	AliasAuthToken    = "authToken"
	AliasUserSession  = "userSession"
	AliasCartData     = "cartData"
	AliasLoginAttempt = "loginAttempt"

	TokenURLGlob        = "**/protocol/openid-connect/token"
	UserSessionURLGlob  = "**/graphql?query=query+GetUserForSession**"
	CartDataURLGlob     = "**/graphql?query=query+CartProjection**"
	AuthenticateURLGlob = "**/login-actions/authenticate**"
)

// ProfilePathFragment is what the URL contains once the profile page is open.
const ProfilePathFragment = "/my-account/profile"

// InvalidCredentialsMessage is the banner text for a rejected login.
const InvalidCredentialsMessage = "Invalid email address or password."
