package request

// WatchRequest 注册/注销关注地址
type WatchRequest struct {
	TokenID   string   `json:"token_id" binding:"required,min=1,max=64"`
	Addresses []string `json:"addresses" binding:"required,min=1,dive,len=42"`
}
