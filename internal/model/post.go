package model

import "time"

// Post is the blog post row that imports write into
type Post struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Title     string    `gorm:"type:text;not null" json:"title"`
	Content   string    `gorm:"type:text;not null;default:''" json:"content"`
	Type      string    `gorm:"type:text;not null;default:'POST'" json:"type"`
	Published bool      `gorm:"not null;default:false" json:"published"`
	AuthorID  string    `gorm:"type:text;not null;index" json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Post) TableName() string {
	return "posts"
}
